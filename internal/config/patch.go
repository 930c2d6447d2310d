package config

import (
	"encoding/json"
	"fmt"
)

// MergePatch applies an RFC 7386 JSON merge-patch to a document. Nulls in
// the patch delete keys; objects merge recursively; everything else
// replaces.
func MergePatch(doc, patch []byte) ([]byte, error) {
	var patchVal interface{}
	if err := json.Unmarshal(patch, &patchVal); err != nil {
		return nil, fmt.Errorf("parse patch: %w", err)
	}

	patchObj, ok := patchVal.(map[string]interface{})
	if !ok {
		// Non-object patch replaces the whole document.
		return json.Marshal(patchVal)
	}

	var docVal interface{}
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &docVal); err != nil {
			return nil, fmt.Errorf("parse document: %w", err)
		}
	}
	docObj, ok := docVal.(map[string]interface{})
	if !ok {
		docObj = map[string]interface{}{}
	}

	merged := mergeObjects(docObj, patchObj)
	return json.MarshalIndent(merged, "", "  ")
}

func mergeObjects(doc, patch map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(doc)+len(patch))
	for k, v := range doc {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		patchChild, pok := v.(map[string]interface{})
		docChild, dok := out[k].(map[string]interface{})
		if pok && dok {
			out[k] = mergeObjects(docChild, patchChild)
			continue
		}
		if pok {
			out[k] = mergeObjects(map[string]interface{}{}, patchChild)
			continue
		}
		out[k] = v
	}
	return out
}

// redactedPlaceholder replaces secret values in documents shown to
// clients.
const redactedPlaceholder = "__REDACTED__"

// secretPaths lists dotted key paths that are redacted when a raw config
// document leaves the process and restored against the stored document
// before writing.
var secretPaths = [][]string{
	{"gateway", "token"},
	{"gateway", "password"},
	{"channels", "telegram", "token"},
	{"channels", "discord", "token"},
	{"channels", "webhook", "targets"}, // per-target token handled below
	{"tailscale", "auth_key"},
}

// Redact replaces secret values with placeholders in a raw JSON document.
func Redact(raw []byte) ([]byte, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	for _, p := range secretPaths {
		redactPath(doc, p)
	}
	return json.MarshalIndent(doc, "", "  ")
}

// Restore replaces placeholders in an edited document with the values
// from the stored document, so clients can round-trip configs without
// learning secrets.
func Restore(edited, stored []byte) ([]byte, error) {
	var editedDoc, storedDoc map[string]interface{}
	if err := json.Unmarshal(edited, &editedDoc); err != nil {
		return nil, err
	}
	if len(stored) > 0 {
		if err := json.Unmarshal(stored, &storedDoc); err != nil {
			return nil, err
		}
	}
	restoreValue(editedDoc, storedDoc)
	return json.MarshalIndent(editedDoc, "", "  ")
}

func redactPath(doc map[string]interface{}, path []string) {
	cur := doc
	for i, key := range path {
		v, ok := cur[key]
		if !ok {
			return
		}
		if i == len(path)-1 {
			switch val := v.(type) {
			case string:
				if val != "" {
					cur[key] = redactedPlaceholder
				}
			case []interface{}:
				// Webhook targets: redact each token field.
				for _, item := range val {
					if m, ok := item.(map[string]interface{}); ok {
						if s, ok := m["token"].(string); ok && s != "" {
							m["token"] = redactedPlaceholder
						}
					}
				}
			}
			return
		}
		next, ok := v.(map[string]interface{})
		if !ok {
			return
		}
		cur = next
	}
}

// restoreValue walks edited and swaps any placeholder for the stored
// value at the same position.
func restoreValue(edited, stored map[string]interface{}) {
	for k, v := range edited {
		switch val := v.(type) {
		case string:
			if val == redactedPlaceholder {
				if stored != nil {
					if sv, ok := stored[k]; ok {
						edited[k] = sv
						continue
					}
				}
				edited[k] = ""
			}
		case map[string]interface{}:
			var storedChild map[string]interface{}
			if stored != nil {
				storedChild, _ = stored[k].(map[string]interface{})
			}
			restoreValue(val, storedChild)
		case []interface{}:
			var storedList []interface{}
			if stored != nil {
				storedList, _ = stored[k].([]interface{})
			}
			for i, item := range val {
				m, ok := item.(map[string]interface{})
				if !ok {
					continue
				}
				var storedItem map[string]interface{}
				if i < len(storedList) {
					storedItem, _ = storedList[i].(map[string]interface{})
				}
				restoreValue(m, storedItem)
			}
		}
	}
}
