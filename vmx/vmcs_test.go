package vmx

import (
	"errors"
	"testing"

	"github.com/mythril-go/hypervisor/errs"
)

func TestApplyFixedBits(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name     string
		value    uint32
		required uint32
		allowed  uint32
		want     uint32
		wantErr  bool
	}{
		{
			name:     "required bits are OR'd in",
			value:    0x0,
			required: 0x1,
			allowed:  0xffffffff,
			want:     0x1,
		},
		{
			name:     "allowed superset passes through",
			value:    0x10,
			required: 0x1,
			allowed:  0xff,
			want:     0x11,
		},
		{
			name:     "disallowed bit fails",
			value:    0x100,
			required: 0x0,
			allowed:  0xff,
			wantErr:  true,
		},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := applyFixedBits(tt.value, tt.required, tt.allowed)
			if tt.wantErr {
				if err == nil || !errors.Is(err, errs.ErrInvalidValue) {
					t.Fatalf("expected ErrInvalidValue, got %v", err)
				}

				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if got != tt.want {
				t.Fatalf("expected %#x, got %#x", tt.want, got)
			}
		})
	}
}

func TestCheckResult(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name    string
		rflags  uint64
		wantErr error
	}{
		{name: "success", rflags: 0, wantErr: nil},
		{name: "CF set is VMfailInvalid", rflags: 1 << 0, wantErr: errs.ErrVmFailInvalid},
		{name: "ZF set is VMfailValid", rflags: 1 << 6, wantErr: errs.ErrVmFailValid},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := checkResult(tt.rflags, nil, "test")
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}

				return
			}

			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}
