package guard

import (
	"errors"
	"strings"
	"testing"
)

type fakeResolver map[string][]string

func (f fakeResolver) LookupHost(host string) ([]string, error) {
	if addrs, ok := f[host]; ok {
		return addrs, nil
	}
	return nil, errors.New("no such host")
}

func TestCheckURL(t *testing.T) {
	res := fakeResolver{
		"cdn.shop.test":      {"203.0.113.7"},
		"intranet.shop.test": {"203.0.113.8", "10.1.2.3"},
	}
	tests := []struct {
		url  string
		want error
	}{
		{"https://cdn.shop.test/site.css", nil},
		{"http://unknown.test/a.css", nil},
		{"ftp://cdn.shop.test/a.css", ErrScheme},
		{"javascript:alert(1)", ErrScheme},
		{"http://127.0.0.1/a.css", ErrPrivateAddress},
		{"http://10.0.0.1/a.css", ErrPrivateAddress},
		{"http://172.16.0.1/a.css", ErrPrivateAddress},
		{"http://192.168.1.1/a.css", ErrPrivateAddress},
		{"http://169.254.169.254/latest", ErrPrivateAddress},
		{"http://[::1]/a.css", ErrPrivateAddress},
		{"http://[::ffff:127.0.0.1]/a.css", ErrPrivateAddress},
		{"http://intranet.shop.test/a.css", ErrPrivateAddress},
		{"http://8.8.8.8/a.css", nil},
	}
	for _, tt := range tests {
		if err := checkURL(tt.url, res); !errors.Is(err, tt.want) {
			t.Errorf("checkURL(%q) = %v, want %v", tt.url, err, tt.want)
		}
	}
	if err := checkURL("http:///a.css", res); err == nil {
		t.Error("url without host accepted")
	}
}

func TestReadAll(t *testing.T) {
	data := strings.Repeat("x", 100)
	got, err := ReadAll(strings.NewReader(data), 100)
	if err != nil || len(got) != 100 {
		t.Fatalf("ReadAll = %d bytes, %v", len(got), err)
	}
	if _, err := ReadAll(strings.NewReader(data), 50); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("oversized read = %v", err)
	}
}
