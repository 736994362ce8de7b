package hosted

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/seanzhang9999/anp-open-sdk-go/pkg/did"
)

// BuildHostedDocument derives the hosted DID document from a submitted one.
//
// The submitted document's id is re-anchored to the issuing service: the
// host segment becomes "<host>%3A<port>", the kind segment becomes
// "hostuser", and the trailing identifier becomes sid. Every occurrence of
// the old id inside the document (verification method ids, controller
// references, fragments) is rewritten to the new id. Applying the
// transform to its own output with the same sid is a no-op.
func BuildHostedDocument(doc map[string]any, host string, port int, sid string) (map[string]any, string, error) {
	oldID, ok := doc["id"].(string)
	if !ok || oldID == "" {
		return nil, "", fmt.Errorf("did document has no id")
	}
	if _, err := did.Parse(oldID); err != nil {
		return nil, "", fmt.Errorf("parse document id: %w", err)
	}

	hosted := did.DID{Host: host, Port: port, Kind: did.KindHostUser, ID: sid}
	newID := hosted.String()
	if oldID == newID {
		return deepCopy(doc)
	}

	// A JSON round trip with a string substitution rewrites the id wherever
	// it appears, including inside fragments like "<id>#keys-1".
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, "", fmt.Errorf("encode document: %w", err)
	}
	replaced := strings.ReplaceAll(string(data), jsonEscape(oldID), jsonEscape(newID))
	var out map[string]any
	if err := json.Unmarshal([]byte(replaced), &out); err != nil {
		return nil, "", fmt.Errorf("decode transformed document: %w", err)
	}
	out["id"] = newID
	return out, newID, nil
}

func deepCopy(doc map[string]any) (map[string]any, string, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, "", err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, "", err
	}
	id, _ := out["id"].(string)
	return out, id, nil
}

// jsonEscape renders s exactly as it appears inside a JSON string literal.
func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}
