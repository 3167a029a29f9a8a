package reading

import (
	"encoding/json"
	"testing"
)

func TestValueMarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		want string
	}{
		{"null", Null(), "null"},
		{"int", Int(1500), "1500"},
		{"float", Float(12.5), "12.5"},
		{"text", Text("abc"), `"abc"`},
		{"bool", Bool(true), "true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.v)
			if err != nil {
				t.Fatal(err)
			}
			if string(data) != tt.want {
				t.Errorf("marshal = %s, want %s", data, tt.want)
			}
		})
	}
}

func TestValueUnmarshalJSON(t *testing.T) {
	tests := []struct {
		input string
		want  Value
	}{
		{"null", Null()},
		{"1500", Int(1500)},
		{"12.5", Float(12.5)},
		{`"abc"`, Text("abc")},
		{"true", Bool(true)},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var v Value
			if err := json.Unmarshal([]byte(tt.input), &v); err != nil {
				t.Fatal(err)
			}
			if !v.Equal(tt.want) {
				t.Errorf("unmarshal %s = %v, want %v", tt.input, v, tt.want)
			}
		})
	}
}

func TestValueEqualDistinguishesKinds(t *testing.T) {
	if Int(1).Equal(Float(1)) {
		t.Error("Int(1) should not equal Float(1)")
	}
	if Text("1").Equal(Int(1)) {
		t.Error("Text(\"1\") should not equal Int(1)")
	}
	if !Null().Equal(Null()) {
		t.Error("Null should equal Null")
	}
}

func TestValueNative(t *testing.T) {
	if got := Int(5).Native(); got != int64(5) {
		t.Errorf("Native of Int = %v (%T)", got, got)
	}
	if got := Bool(true).Native(); got != true {
		t.Errorf("Native of Bool = %v", got)
	}
	if got := Null().Native(); got != nil {
		t.Errorf("Native of Null = %v", got)
	}
}

func TestReadingMarshal(t *testing.T) {
	r := Reading{ID: "grid_power", Name: "Grid Power", Value: Int(1500), Unit: "W"}
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"id":"grid_power","name":"Grid Power","value":1500,"unit":"W"}`
	if string(data) != want {
		t.Errorf("marshal = %s, want %s", data, want)
	}

	// Unit is omitted when absent.
	r2 := Reading{ID: "state", Name: "State", Value: Text("ok")}
	data2, err := json.Marshal(r2)
	if err != nil {
		t.Fatal(err)
	}
	want2 := `{"id":"state","name":"State","value":"ok"}`
	if string(data2) != want2 {
		t.Errorf("marshal = %s, want %s", data2, want2)
	}
}

func TestSnapshotClone(t *testing.T) {
	s := Snapshot{
		"a": {ID: "a", Name: "A", Value: Int(1)},
		"b": {ID: "b", Name: "B", Value: Float(2.5)},
	}
	c := s.Clone()
	if len(c) != 2 {
		t.Fatalf("clone has %d readings, want 2", len(c))
	}
	c["a"] = Reading{ID: "a", Name: "A", Value: Int(9)}
	if v, _ := s["a"].Value.Int64(); v != 1 {
		t.Error("mutating clone affected the original snapshot")
	}
}
