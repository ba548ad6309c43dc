package handler

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"botfleet/internal/bus"
	"botfleet/internal/service"

	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("failed to get node: %w", gorm.ErrRecordNotFound), http.StatusNotFound},
		{fmt.Errorf("%w for tenant_a", service.ErrNoSnapshot), http.StatusNotFound},
		{service.ErrUnauthorized, http.StatusUnauthorized},
		{service.ErrInvalidStatus, http.StatusBadRequest},
		{fmt.Errorf("%w: nightly/x", service.ErrInvalidSnapshot), http.StatusBadRequest},
		{fmt.Errorf("%w: tenant_a", service.ErrRestoreInProgress), http.StatusConflict},
		{fmt.Errorf("restore of tenant_a aborted: %w", bus.ErrNodeUnreachable), http.StatusServiceUnavailable},
		{bus.ErrConnectionClosed, http.StatusServiceUnavailable},
		{bus.ErrCommandTimeout, http.StatusGatewayTimeout},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
