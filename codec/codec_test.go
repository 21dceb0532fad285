package codec

import (
	"bytes"
	"io"
	"testing"
)

type testData struct {
	Map map[string]bool
	Arr []int
}

func fatal(err error, t *testing.T) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func TestJSONCodec(t *testing.T) {
	c := &JSONCodec{}
	var buf bytes.Buffer

	fatal(c.Encoder(&buf).Encode(testData{
		Map: map[string]bool{"true": true, "false": false},
		Arr: []int{1, 2, 3},
	}), t)

	var data testData
	fatal(c.Decoder(&buf).Decode(&data), t)

	if data.Map["true"] != true || data.Arr[2] != 3 {
		t.Fatal("unexpected data:", data)
	}
}

func TestCBORCodec(t *testing.T) {
	c := Named("cbor")
	var buf bytes.Buffer

	fatal(c.Encoder(&buf).Encode(testData{
		Map: map[string]bool{"true": true},
		Arr: []int{4, 5},
	}), t)
	fatal(c.Encoder(&buf).Encode(testData{Arr: []int{6}}), t)

	dec := c.Decoder(&buf)
	var first, second testData
	fatal(dec.Decode(&first), t)
	fatal(dec.Decode(&second), t)
	if !first.Map["true"] || first.Arr[1] != 5 || second.Arr[0] != 6 {
		t.Fatal("unexpected data:", first, second)
	}
	if err := dec.Decode(&second); err != io.EOF {
		t.Fatalf("expected EOF, got: %v", err)
	}
}

func TestNamed(t *testing.T) {
	for name, ct := range map[string]string{"cbor": ContentTypeCBOR, "json": ContentTypeJSON} {
		if Named(name) == nil {
			t.Fatalf("codec %q not registered", name)
		}
		if ContentType(name) != ct {
			t.Fatalf("content type of %q: %s", name, ContentType(name))
		}
	}
	if Named("msgpack") != nil {
		t.Fatal("unexpected codec for msgpack")
	}
}
