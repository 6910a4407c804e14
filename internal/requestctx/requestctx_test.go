package requestctx_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/OverClawApp/releases-sub001/internal/requestctx"
)

func TestUserAndRunID(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, requestctx.UserID(ctx))
	assert.Empty(t, requestctx.RunID(ctx))

	ctx = requestctx.WithUserID(ctx, " u-1 ")
	ctx = requestctx.WithRunID(ctx, "chatcmpl-1")
	assert.Equal(t, "u-1", requestctx.UserID(ctx))
	assert.Equal(t, "chatcmpl-1", requestctx.RunID(ctx))
}
