package romanize

import "testing"

func TestSyllable(t *testing.T) {
	tests := []struct {
		in   rune
		want string
	}{
		{'가', "ga"},
		{'홍', "hong"},
		{'길', "gil"},
		{'동', "dong"},
		{'김', "gim"},
		{'이', "i"},
		{'박', "bak"},
		{'최', "choe"},
		{'정', "jeong"},
		{'힣', "hit"},
	}
	for _, tt := range tests {
		got, ok := Syllable(tt.in)
		if !ok {
			t.Errorf("Syllable(%q): expected ok", tt.in)
			continue
		}
		if got != tt.want {
			t.Errorf("Syllable(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if _, ok := Syllable('A'); ok {
		t.Error("expected Latin letter to be rejected")
	}
}

func TestName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"korean full name", "홍길동", "HONG GIL DONG"},
		{"korean with separator", "홍^길동", "HONG^GIL DONG"},
		{"korean with spaces", " 김  민수 ", "GIM MIN SU"},
		{"latin unchanged", "SMITH^JOHN", "SMITH^JOHN"},
		{"latin case kept", "Doe^Jane", "Doe^Jane"},
		{"diacritics folded", "Müller^José", "Muller^Jose"},
		{"mixed script", "이John", "IJOHN"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Name(tt.in); got != tt.want {
				t.Errorf("Name(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestName_Idempotent(t *testing.T) {
	for _, in := range []string{"홍길동", "Müller", "KIM^MIN SU"} {
		once := Name(in)
		if twice := Name(once); twice != once {
			t.Errorf("Name not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestHasHangul(t *testing.T) {
	if !HasHangul("patient 홍") {
		t.Error("expected Hangul to be detected")
	}
	if HasHangul("ㄱ") {
		t.Error("compatibility jamo is not a syllable")
	}
	if HasHangul("SMITH") {
		t.Error("expected no Hangul in Latin name")
	}
}
