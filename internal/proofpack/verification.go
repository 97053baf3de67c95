package proofpack

import (
	"fmt"
	"strings"
)

// VerificationText renders VERIFICATION.txt for m. The file is a reading aid;
// it is not listed in the manifest and verifiers ignore it.
func VerificationText(m Manifest) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "ProofPack %s for PDO %s\n", m.ProofPackVersion, m.PDOID)
	fmt.Fprintf(&b, "Exported at %s by %s %s\n\n", m.ExportedAt, m.Exporter.Name, m.Exporter.Version)

	b.WriteString("To verify offline:\n")
	b.WriteString("  1. Recompute the PDO hash from pdo/record.json and compare it to its \"hash\" field.\n")
	b.WriteString("  2. Run `sha256sum -c` against the file list below.\n")
	b.WriteString("  3. Remove \"integrity\" from manifest.json, canonicalize it (sorted keys, no\n")
	b.WriteString("     whitespace) and compare its sha256 to the manifest hash below.\n")
	b.WriteString("  4. Walk lineage/ oldest first: each record's previous_pdo_id names the one\n")
	b.WriteString("     before it and recorded_at strictly increases.\n")
	b.WriteString("  5. Compare the manifest refs with input_refs, decision_ref and outcome_ref.\n")
	b.WriteString("Or run: trustctl verify <bundle>\n\n")

	fmt.Fprintf(&b, "manifest_hash: %s:%s\n\n", m.Integrity.Algorithm, m.Integrity.ManifestHash)

	entries := append(m.BoundEntries(), m.Contents.Lineage...)
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.Path == "" {
			continue
		}
		if _, dup := seen[e.Path]; dup {
			continue
		}
		seen[e.Path] = struct{}{}
		fmt.Fprintf(&b, "%s  %s\n", e.Hash, e.Path)
	}
	return []byte(b.String())
}
