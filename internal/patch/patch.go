// Package patch is the boundary to the JSON Patch engine. It applies RFC 6902
// patch documents non-destructively and reports failures as *Error so callers
// can tell an unappliable patch apart from infrastructure failures.
package patch

import (
	jsonpatch "github.com/evanphx/json-patch/v5"
)

// Error reports a patch that could not be decoded or applied to a document.
type Error struct {
	Detail string
}

func (e *Error) Error() string {
	return e.Detail
}

// Apply runs patchDoc (a JSON array of operations) against doc and returns the
// patched document. doc is never modified: either the full result comes back
// or a *Error does, with no partial application in between.
func Apply(doc, patchDoc []byte) ([]byte, error) {
	decoded, err := jsonpatch.DecodePatch(patchDoc)
	if err != nil {
		return nil, &Error{Detail: err.Error()}
	}
	out, err := decoded.Apply(doc)
	if err != nil {
		return nil, &Error{Detail: err.Error()}
	}
	return out, nil
}
