package ops

import (
	"errors"
	"testing"

	"spectra/internal/domain/errkind"
)

func TestExitCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"configuration", errkind.Newf(errkind.Configuration, "bad config"), ExitConfig},
		{"storage", errkind.Newf(errkind.Storage, "db locked"), ExitStorage},
		{"integrity", errkind.Newf(errkind.IntegrityViolation, "missing table"), ExitStorage},
		{"auth", errkind.Newf(errkind.Auth, "session revoked"), ExitAuth},
		{"entity access", errkind.Newf(errkind.EntityAccess, "kicked"), ExitFailure},
		{"unkinded", errors.New("plain"), ExitFailure},
		{"cancelled", errkind.Newf(errkind.Cancelled, "interrupted"), ExitCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ExitCode(tt.err); got != tt.want {
				t.Fatalf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestKindFromCause(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cause string
		want  errkind.Kind
	}{
		{"auth: session revoked", errkind.Auth},
		{"entity-access: kicked from channel", errkind.EntityAccess},
		{"protocol: unexpected response", errkind.Protocol},
		{"unknown: boom", errkind.Unknown},
		{"no separator", errkind.Unknown},
		{"", errkind.Unknown},
	}
	for _, tt := range tests {
		if got := kindFromCause(tt.cause); got != tt.want {
			t.Fatalf("kindFromCause(%q) = %v, want %v", tt.cause, got, tt.want)
		}
	}
}

func TestParseTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in     string
		entity int64
		ref    string
	}{
		{"123456", 123456, ""},
		{"@newsroom", 0, "@newsroom"},
		{"t.me/+AbC123", 0, "t.me/+AbC123"},
		{"  777 ", 777, ""},
		{"", 0, ""},
	}
	for _, tt := range tests {
		entity, ref := parseTarget(tt.in)
		if entity != tt.entity || ref != tt.ref {
			t.Fatalf("parseTarget(%q) = (%d, %q), want (%d, %q)",
				tt.in, entity, ref, tt.entity, tt.ref)
		}
	}
}
