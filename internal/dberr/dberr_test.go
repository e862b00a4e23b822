package dberr_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daap14/tenantdb/internal/dberr"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want dberr.Kind
	}{
		{name: "deadline exceeded", err: context.DeadlineExceeded, want: dberr.KindTimeout},
		{name: "wrapped deadline", err: fmt.Errorf("connecting: %w", context.DeadlineExceeded), want: dberr.KindTimeout},
		{name: "net timeout", err: fmt.Errorf("dial: %w", timeoutErr{}), want: dberr.KindTimeout},
		{name: "refused", err: errors.New("connection refused"), want: dberr.KindConnect},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := dberr.Classify("acquire", tt.err)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Kind)
			assert.Equal(t, "acquire", got.Op)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestClassify_Nil(t *testing.T) {
	assert.Nil(t, dberr.Classify("acquire", nil))
}

func TestClassify_KeepsExistingKind(t *testing.T) {
	orig := dberr.New(dberr.KindDerivation, "derive", errors.New("empty name"))
	wrapped := fmt.Errorf("provisioning: %w", orig)

	got := dberr.Classify("acquire", wrapped)

	assert.Same(t, orig, got)
	assert.Equal(t, dberr.KindDerivation, dberr.KindOf(wrapped))
}

func TestError_MessageIncludesStep(t *testing.T) {
	err := &dberr.Error{Kind: dberr.KindProvision, Op: "provision", Step: "migrate", Err: errors.New("syntax error")}

	assert.Equal(t, "provision: step migrate: syntax error", err.Error())
	assert.Equal(t, dberr.Kind(""), dberr.KindOf(errors.New("plain")))
}
