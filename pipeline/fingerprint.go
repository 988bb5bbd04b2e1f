package pipeline

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Fingerprint computes the content-address of a node. It hashes the api
// class, the canonicalized parameter record, the provider name, and the
// ordered fingerprints of the node's upstream inputs with SHA-256. Two nodes
// with equal fingerprints are interchangeable; the fingerprint is the cache
// key.
func Fingerprint(n Node, upstream []string) (string, error) {
	canon, err := CanonicalJSON(n.Params)
	if err != nil {
		return "", fmt.Errorf("canonicalize params of %s: %w", n.ID, err)
	}
	h := sha256.New()
	h.Write([]byte(n.APIClass))
	h.Write([]byte{0})
	h.Write(canon)
	h.Write([]byte{0})
	h.Write([]byte(n.ProviderName()))
	for _, fp := range upstream {
		h.Write([]byte{0})
		h.Write([]byte(fp))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Fingerprints computes fingerprints for every node in the pipeline in
// topological order, so each node sees the fingerprints of its inputs.
func Fingerprints(p *Pipeline) (map[string]string, error) {
	order, err := p.TopoOrder()
	if err != nil {
		return nil, err
	}
	idx := p.Index()
	fps := make(map[string]string, len(order))
	for _, id := range order {
		n := idx[id]
		upstream := make([]string, len(n.Inputs))
		for i, in := range n.Inputs {
			upstream[i] = fps[in]
		}
		fp, err := Fingerprint(n, upstream)
		if err != nil {
			return nil, err
		}
		fps[id] = fp
	}
	return fps, nil
}

// CanonicalJSON re-encodes a JSON document deterministically: object keys
// sorted, insignificant whitespace removed, and numbers normalized so that
// equal values encode identically. NaN and infinities are rejected. An empty
// document canonicalizes to null.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	case json.Number:
		return writeCanonicalNumber(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported JSON value %T", v)
	}
	return nil
}

// writeCanonicalNumber normalizes numeric encodings: integral values are
// written without exponent or fraction, everything else with the shortest
// float64 representation.
func writeCanonicalNumber(buf *bytes.Buffer, n json.Number) error {
	if i, err := n.Int64(); err == nil {
		buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", n.String(), err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("non-finite number %q", n.String())
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}
