// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStartPhase_NoopTracerByDefault(t *testing.T) {
	ctx, span := StartPhase(context.Background(), "planner.plan")
	defer span.End()
	assert.NotNil(t, ctx)
	assert.False(t, span.SpanContext().IsValid())
}
