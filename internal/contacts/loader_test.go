package contacts

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/acme/campaign-dispatcher/internal/domain"
	apperrors "github.com/acme/campaign-dispatcher/pkg/errors"
)

func TestLoadCommaSeparated(t *testing.T) {
	input := "telefone,nome\n+55 (11) 99999-0001, Ana \n5511999990002,\n"

	res, err := Load(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	want := []domain.Contact{
		{Phone: "5511999990001", Name: "Ana"},
		{Phone: "5511999990002", Name: ""},
	}
	if len(res.Contacts) != len(want) {
		t.Fatalf("expected %d contacts, got %d", len(want), len(res.Contacts))
	}
	for i := range want {
		if res.Contacts[i] != want[i] {
			t.Errorf("contact %d = %+v, want %+v", i, res.Contacts[i], want[i])
		}
	}
	if res.Delimiter != ',' {
		t.Errorf("expected comma delimiter, got %q", res.Delimiter)
	}
	if res.Unnamed != 1 {
		t.Errorf("expected one unnamed contact, got %d", res.Unnamed)
	}
}

func TestLoadFallsBackToSemicolon(t *testing.T) {
	input := "\xEF\xBB\xBFNome;Telefone;Cidade\nBruno;11 98888-7777;SP\n"

	res, err := Load(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if res.Delimiter != ';' {
		t.Fatalf("expected semicolon delimiter, got %q", res.Delimiter)
	}
	if len(res.Contacts) != 1 || res.Contacts[0].Phone != "11988887777" || res.Contacts[0].Name != "Bruno" {
		t.Fatalf("unexpected contacts %+v", res.Contacts)
	}
}

func TestLoadKeepsOrderAndDropsEmptyPhones(t *testing.T) {
	input := strings.Join([]string{
		"telefone,nome",
		"111,Um",
		"sem numero,Dois",
		"333,Tres",
		"---,Quatro",
		"555,Cinco",
	}, "\n")

	res, err := Load(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	var phones []string
	for _, c := range res.Contacts {
		phones = append(phones, c.Phone)
	}
	if got := strings.Join(phones, ","); got != "111,333,555" {
		t.Fatalf("unexpected phones %s", got)
	}
	if res.Dropped != 2 {
		t.Fatalf("expected 2 dropped rows, got %d", res.Dropped)
	}
	if res.Rows != 5 {
		t.Fatalf("expected 5 data rows, got %d", res.Rows)
	}
}

func TestLoadSkipsShortRows(t *testing.T) {
	input := "nome,cidade,telefone\nAna,SP,111\nCarlos\nDora,RJ,222\n"

	res, err := Load(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(res.Contacts) != 2 {
		t.Fatalf("expected 2 contacts, got %+v", res.Contacts)
	}
	if res.Malformed != 1 {
		t.Fatalf("expected 1 malformed row, got %d", res.Malformed)
	}
}

func TestLoadMissingHeaders(t *testing.T) {
	_, err := Load(strings.NewReader("phone,name\n111,Ana\n"))
	if !errors.Is(err, ErrMissingHeaders) {
		t.Fatalf("expected ErrMissingHeaders, got %v", err)
	}
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation sentinel, got %v", err)
	}
}

func TestLoadEmptyInput(t *testing.T) {
	_, err := Load(strings.NewReader(""))
	if !errors.Is(err, ErrMissingHeaders) {
		t.Fatalf("expected ErrMissingHeaders for empty input, got %v", err)
	}
}

func TestLoadHeaderOnlyIsNotAnError(t *testing.T) {
	res, err := Load(strings.NewReader("telefone,nome\n"))
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if !res.Empty() {
		t.Fatalf("expected no contacts, got %+v", res.Contacts)
	}
}

func TestLoadFileUnreadable(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.csv"))
	if !errors.Is(err, ErrUnreadable) {
		t.Fatalf("expected ErrUnreadable, got %v", err)
	}
}

func TestLoadFileWithCustomHeaders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.csv")
	if err := os.WriteFile(path, []byte("phone|name\n(21) 3333-4444|Eva\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	res, err := LoadFile(path, WithHeaders("phone", "name"), WithDelimiters('|'))
	if err != nil {
		t.Fatalf("LoadFile returned error: %v", err)
	}
	if len(res.Contacts) != 1 || res.Contacts[0].Phone != "2133334444" {
		t.Fatalf("unexpected contacts %+v", res.Contacts)
	}
}

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"+55 (11) 9 9999-0001": "5511999990001",
		"abc":                  "",
		"  12 34 ":             "1234",
		"":                     "",
	}
	for in, want := range cases {
		if got := NormalizePhone(in); got != want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", in, got, want)
		}
	}
}
