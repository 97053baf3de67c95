package canonical

import (
	"fmt"

	"github.com/gowebpki/jcs"
)

// Reformat rewrites an arbitrary JSON document in RFC 8785 form so that
// logically equal artifacts get the same bytes, and hence the same ref.
func Reformat(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("reformat json: %w", err)
	}
	return out, nil
}
