package bitcoin

import (
	"testing"

	"github.com/bardlex/gomp-relay/pkg/errors"
)

func TestReverseByteOrder(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{
			name: "two words",
			in:   "0011223344556677",
			want: "4455667700112233",
		},
		{
			name: "block hash to notify form",
			in:   "000000000000000000024bd28cdb4a7c1d8a5e5d4d0a7ef8e4e6f4fb2e2a83b1",
			want: "2e2a83b1e4e6f4fb4d0a7ef81d8a5e5d8cdb4a7c00024bd20000000000000000",
		},
		{name: "odd words", in: "001122", wantErr: true},
		{name: "bad hex", in: "zz112233", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReverseByteOrder(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ReverseByteOrder() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.IsType(err, errors.ErrorTypeValidation) {
					t.Errorf("expected validation error, got %v", err)
				}
				return
			}
			if got != tt.want {
				t.Errorf("ReverseByteOrder() = %s, want %s", got, tt.want)
			}
			back, _ := ReverseByteOrder(got)
			if back != tt.in {
				t.Errorf("ReverseByteOrder is not an involution: %s", back)
			}
		})
	}
}

func TestDecodeEncodeHash(t *testing.T) {
	display := "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f"
	internal, err := DecodeHash(display)
	if err != nil {
		t.Fatal(err)
	}
	if internal[0] != 0x6f || internal[31] != 0x00 {
		t.Errorf("unexpected internal order %x", internal)
	}
	if EncodeHash(internal) != display {
		t.Errorf("EncodeHash() = %s", EncodeHash(internal))
	}
	if _, err := DecodeHash("abcd"); err == nil {
		t.Error("expected error for short hash")
	}
}

func TestParseUint32Hex(t *testing.T) {
	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{"1d00ffff", 0x1d00ffff, false},
		{"20000000", 0x20000000, false},
		{"FFFFFFFF", 0xffffffff, false},
		{"1234567", 0, true},
		{"123456789", 0, true},
		{"1234567g", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseUint32Hex("nonce", tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseUint32Hex() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseUint32Hex() = %x, want %x", got, tt.want)
			}
		})
	}

	if FormatUint32Hex(0x0000abcd) != "0000abcd" {
		t.Errorf("FormatUint32Hex() = %s", FormatUint32Hex(0x0000abcd))
	}
}

func TestNetworkParams(t *testing.T) {
	for name, want := range map[string]string{
		"":        "mainnet",
		"mainnet": "mainnet",
		"testnet": "testnet3",
		"regtest": "regtest",
		"SIGNET":  "signet",
	} {
		p, err := NetworkParams(name)
		if err != nil {
			t.Fatalf("NetworkParams(%q): %v", name, err)
		}
		if p.Name != want {
			t.Errorf("NetworkParams(%q) = %s, want %s", name, p.Name, want)
		}
	}
	if _, err := NetworkParams("dogenet"); !errors.IsType(err, errors.ErrorTypeValidation) {
		t.Errorf("unknown network error = %v", err)
	}
}
