package crypto

import "fmt"

// Signature components separators and prefixes
const (
	SigSeparator     = ":"
	SigPrefixEd25519 = "ed25519"
)

// CanonicalizeCAT creates the canonical string signed over a transformation
// receipt: the fields that make catId deterministic plus the recipe hash.
func CanonicalizeCAT(catID, inputCid, outputCid, recipeHash string) string {
	return fmt.Sprintf("%s%s%s%s%s%s%s", catID, SigSeparator, inputCid, SigSeparator, outputCid, SigSeparator, recipeHash)
}
