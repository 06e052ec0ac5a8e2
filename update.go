package ssesignal

import (
	"bytes"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/wI2L/jsondiff"
)

var (
	nullDocument = json.RawMessage("null")
	emptyPatch   = json.RawMessage("[]")
)

// Update is a single signal change as it is sent over SSE. Patch holds a JSON
// patch document (RFC 6902) transforming the previous value of the named
// signal into the current one.
type Update struct {
	Name  string          `json:"name"`
	Patch json.RawMessage `json:"patch"`
}

// NewUpdate creates an Update from an old and new value. Both values are
// marshaled to JSON before diffing.
func NewUpdate(name string, old, new interface{}) (*Update, error) {
	left, err := json.Marshal(old)
	if err != nil {
		return nil, fmt.Errorf("marshal old value of %q: %w", name, err)
	}
	right, err := json.Marshal(new)
	if err != nil {
		return nil, fmt.Errorf("marshal new value of %q: %w", name, err)
	}
	return NewUpdateFromJSON(name, left, right)
}

// NewUpdateFromJSON creates an Update from two JSON documents. Empty documents
// are treated as JSON null.
func NewUpdateFromJSON(name string, old, new json.RawMessage) (*Update, error) {
	patch, err := jsondiff.CompareJSON(orNull(old), orNull(new))
	if err != nil {
		return nil, fmt.Errorf("diff %q: %w", name, err)
	}
	if len(patch) == 0 {
		return &Update{Name: name, Patch: emptyPatch}, nil
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("marshal patch of %q: %w", name, err)
	}
	return &Update{Name: name, Patch: raw}, nil
}

type rootOperation struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
}

// ReplaceUpdate creates an Update replacing the whole document with value.
// It is valid whatever the previous client side state was.
func ReplaceUpdate(name string, value json.RawMessage) *Update {
	raw, _ := json.Marshal([]rootOperation{{
		Op:    jsondiff.OperationReplace,
		Path:  "",
		Value: orNull(value),
	}})
	return &Update{Name: name, Patch: raw}
}

// Empty reports whether applying the update would not change anything.
func (u *Update) Empty() bool {
	p := bytes.TrimSpace(u.Patch)
	return len(p) == 0 || bytes.Equal(p, emptyPatch) || bytes.Equal(p, nullDocument)
}

// ApplyPatch applies a JSON patch document to doc and returns the patched
// document. Operations on the document root are handled here, everything else
// is delegated to the json-patch library.
func ApplyPatch(doc, patch json.RawMessage) (json.RawMessage, error) {
	var ops []json.RawMessage
	if err := json.Unmarshal(patch, &ops); err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}

	doc = orNull(doc)
	var pending []json.RawMessage
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		raw, err := json.Marshal(pending)
		if err != nil {
			return err
		}
		if !isContainer(doc) {
			var op rootOperation
			_ = json.Unmarshal(pending[0], &op)
			return fmt.Errorf("apply patch: %q operation on a non-container document", op.Op)
		}
		pending = pending[:0]
		p, err := jsonpatch.DecodePatch(raw)
		if err != nil {
			return fmt.Errorf("decode patch: %w", err)
		}
		out, err := p.Apply(doc)
		if err != nil {
			return fmt.Errorf("apply patch: %w", err)
		}
		doc = out
		return nil
	}

	for _, raw := range ops {
		var op rootOperation
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, fmt.Errorf("decode operation: %w", err)
		}
		if op.Path != "" {
			pending = append(pending, raw)
			continue
		}
		if err := flush(); err != nil {
			return nil, err
		}
		switch op.Op {
		case jsondiff.OperationAdd, jsondiff.OperationReplace:
			doc = append(json.RawMessage(nil), orNull(op.Value)...)
		case jsondiff.OperationRemove:
			doc = nullDocument
		case jsondiff.OperationTest:
			if !jsonEqual(doc, orNull(op.Value)) {
				return nil, fmt.Errorf("apply patch: test operation on document root failed")
			}
		default:
			return nil, fmt.Errorf("apply patch: unsupported %q operation on document root", op.Op)
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return doc, nil
}

func orNull(doc json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(doc)) == 0 {
		return nullDocument
	}
	return doc
}

// isContainer reports whether doc is a JSON object or array, the only
// documents operations below the root can address.
func isContainer(doc json.RawMessage) bool {
	doc = bytes.TrimSpace(doc)
	return len(doc) > 0 && (doc[0] == '{' || doc[0] == '[')
}

func jsonEqual(a, b json.RawMessage) bool {
	p, err := jsondiff.CompareJSON(a, b)
	return err == nil && len(p) == 0
}
