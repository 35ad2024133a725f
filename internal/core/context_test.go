package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestContext_ShutdownClosesDone(t *testing.T) {
	c := NewContext()

	select {
	case <-c.Done():
		t.Fatal("Done channel closed before Shutdown")
	default:
	}

	c.Shutdown()

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done channel not closed after Shutdown")
	}
}

func TestContext_ShutdownIsIdempotent(t *testing.T) {
	c := NewContext()
	assert.NotPanics(t, func() {
		c.Shutdown()
		c.Shutdown()
		c.Shutdown()
	})
}
