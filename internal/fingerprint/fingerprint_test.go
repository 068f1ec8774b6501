package fingerprint

import (
	"encoding/json"
	"testing"
)

func TestComputeStable(t *testing.T) {
	a := Compute(json.RawMessage(`{"subject":"Science","topic":"Photosynthesis"}`))
	b := Compute(json.RawMessage(`{"topic":"photosynthesis",  "subject": "SCIENCE"}`))
	if a != b {
		t.Errorf("equivalent inputs fingerprint differently: %s vs %s", a, b)
	}
	if len(a) != Size {
		t.Errorf("fingerprint length = %d, want %d", len(a), Size)
	}
}

func TestComputeWhitespaceCollapse(t *testing.T) {
	a := Compute(json.RawMessage(`{"topic":"the   water  cycle"}`))
	b := Compute(json.RawMessage(`{"topic":"The Water Cycle"}`))
	if a != b {
		t.Errorf("whitespace variants fingerprint differently: %s vs %s", a, b)
	}
}

func TestComputeDistinguishesInputs(t *testing.T) {
	a := Compute(json.RawMessage(`{"subject":"math","topic":"fractions"}`))
	b := Compute(json.RawMessage(`{"subject":"math","topic":"decimals"}`))
	if a == b {
		t.Error("different topics produced the same fingerprint")
	}
}

func TestComputeNestedAndArrays(t *testing.T) {
	a := Compute(json.RawMessage(`{"opts":{"b":2,"a":1},"tags":["X","Y"]}`))
	b := Compute(json.RawMessage(`{"tags":["x","y"],"opts":{"a":1,"b":2}}`))
	if a != b {
		t.Errorf("nested equivalents fingerprint differently: %s vs %s", a, b)
	}
	c := Compute(json.RawMessage(`{"tags":["y","x"],"opts":{"a":1,"b":2}}`))
	if a == c {
		t.Error("array order should be significant")
	}
}

func TestComputeNonJSON(t *testing.T) {
	a := Compute(json.RawMessage(`not json at all`))
	b := Compute(json.RawMessage(`  not json at all  `))
	if a != b {
		t.Errorf("trimmed opaque payloads fingerprint differently: %s vs %s", a, b)
	}
}
