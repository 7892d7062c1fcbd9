package voices

import (
	"sort"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	if !Valid(Default) {
		t.Fatalf("default voice %q not in catalog", Default)
	}
}

func TestValid(t *testing.T) {
	if !Valid("bm_george") {
		t.Fatal("expected bm_george to be known")
	}
	if Valid("zz_nobody") {
		t.Fatal("unexpected voice accepted")
	}
	if Valid("") {
		t.Fatal("empty voice accepted")
	}
}

func TestValidLang(t *testing.T) {
	for code := range LangCodes {
		if !ValidLang(code) {
			t.Fatalf("language code %q rejected", code)
		}
	}
	if ValidLang("x") {
		t.Fatal("unknown language code accepted")
	}
}

func TestAllSortedAndComplete(t *testing.T) {
	all := All()
	if len(all) != 28 {
		t.Fatalf("expected 28 voices, got %d", len(all))
	}
	if !sort.StringsAreSorted(all) {
		t.Fatal("voice list not sorted")
	}
	for _, name := range all {
		if !Valid(name) {
			t.Fatalf("listed voice %q not valid", name)
		}
	}
}

func TestForLangPrefixes(t *testing.T) {
	american := ForLang("a")
	british := ForLang("b")
	if len(american)+len(british) != len(All()) {
		t.Fatalf("language partitions do not cover the catalog: %d + %d != %d",
			len(american), len(british), len(All()))
	}
	for _, name := range american {
		if !strings.HasPrefix(name, "a") {
			t.Fatalf("voice %q in wrong language bucket", name)
		}
	}
	for _, name := range british {
		if !strings.HasPrefix(name, "b") {
			t.Fatalf("voice %q in wrong language bucket", name)
		}
	}
}
