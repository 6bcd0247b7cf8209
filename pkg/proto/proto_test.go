package proto

import (
	"reflect"
	"testing"
)

func TestParseLine(t *testing.T) {
	l := ParseLine(`LOAD module_id=m1 size=128 crc32=deadbeef replace=1 replace_victim=m0`)
	if l.Command != "LOAD" {
		t.Fatalf("Command = %q, want LOAD", l.Command)
	}
	want := map[string]string{
		"module_id":      "m1",
		"size":           "128",
		"crc32":          "deadbeef",
		"replace":        "1",
		"replace_victim": "m0",
	}
	if !reflect.DeepEqual(l.Values, want) {
		t.Fatalf("Values = %#v, want %#v", l.Values, want)
	}
}

func TestParseLineQuotedValue(t *testing.T) {
	l := ParseLine(`START module_id=m1 func=app_main args="n=10,k=20"`)
	v, ok := l.Get("args")
	if !ok || v != "n=10,k=20" {
		t.Fatalf("args = %q, %v; want %q, true", v, ok, "n=10,k=20")
	}
}

func TestParseLineNoArgs(t *testing.T) {
	l := ParseLine("STATUS")
	if l.Command != "STATUS" {
		t.Fatalf("Command = %q, want STATUS", l.Command)
	}
	if len(l.Values) != 0 {
		t.Fatalf("expected no values, got %#v", l.Values)
	}
}

func TestParseArgs(t *testing.T) {
	argv, err := ParseArgs("n=10,k=20,z=30")
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	want := []uint32{10, 20, 30}
	if !reflect.DeepEqual(argv, want) {
		t.Fatalf("argv = %v, want %v", argv, want)
	}
}

func TestParseArgsTruncatesAtMax(t *testing.T) {
	argv, err := ParseArgs("a=1,b=2,c=3,d=4,e=5,f=6")
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	if len(argv) != MaxArgs {
		t.Fatalf("len(argv) = %d, want %d", len(argv), MaxArgs)
	}
	want := []uint32{1, 2, 3, 4}
	if !reflect.DeepEqual(argv, want) {
		t.Fatalf("argv = %v, want %v", argv, want)
	}
}

func TestParseArgsEmpty(t *testing.T) {
	argv, err := ParseArgs("")
	if err != nil || argv != nil {
		t.Fatalf("ParseArgs(\"\") = %v, %v; want nil, nil", argv, err)
	}
}

func TestParseArgsRejectsNonNumeric(t *testing.T) {
	if _, err := ParseArgs("n=notanumber"); err == nil {
		t.Fatalf("expected error for non-numeric argument value")
	}
}
