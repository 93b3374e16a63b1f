package progress

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBar_UpdateToTotalRendersFull(t *testing.T) {
	var buf bytes.Buffer
	b := New(2880, WithWriter(&buf))

	b.Update(2880)

	assert.Equal(t, 100, b.Percent())
	assert.Equal(t, "\rProgress: ["+strings.Repeat("=", 40)+"] 100%", buf.String())
}

func TestBar_HalfWay(t *testing.T) {
	var buf bytes.Buffer
	b := New(10, WithWriter(&buf), WithWidth(10))

	b.Update(5)

	assert.Equal(t, "\rProgress: [=====     ]  50%", buf.String())
}

func TestBar_UpdateIsIdempotent(t *testing.T) {
	var buf bytes.Buffer
	b := New(4, WithWriter(&buf), WithWidth(4))

	b.Update(1)
	first := buf.String()
	b.Update(1)

	assert.Equal(t, first+first, buf.String())
	assert.Equal(t, 1, b.Current())
}

func TestBar_DoneFillsAndEndsLine(t *testing.T) {
	var buf bytes.Buffer
	b := New(7, WithWriter(&buf), WithWidth(7), WithSymbol("#"))

	b.Update(3)
	b.Done()
	b.Done()

	out := buf.String()
	assert.Equal(t, 7, b.Current())
	assert.True(t, strings.HasSuffix(out, "\rProgress: [#######] 100%\n"), out)
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestBar_DoneAfterUpdateRefills(t *testing.T) {
	var buf bytes.Buffer
	b := New(10, WithWriter(&buf), WithWidth(10))

	b.Done()
	b.Update(3)
	assert.Equal(t, 3, b.Current())
	b.Done()

	out := buf.String()
	assert.Equal(t, 10, b.Current())
	assert.Equal(t, 100, b.Percent())
	assert.True(t, strings.HasSuffix(out, "\rProgress: [==========] 100%\n"), out)
	assert.Equal(t, 2, strings.Count(out, "\n"))
}

func TestBar_ClampsOutOfRange(t *testing.T) {
	var buf bytes.Buffer
	b := New(10, WithWriter(&buf))

	b.Update(25)
	assert.Equal(t, 10, b.Current())

	b.Update(-3)
	assert.Equal(t, 0, b.Current())
	assert.Equal(t, 0, b.Percent())
}

func TestBar_ZeroTotal(t *testing.T) {
	var buf bytes.Buffer
	b := New(0, WithWriter(&buf), WithLabel("Saving"))

	b.Render()

	assert.Equal(t, 100, b.Percent())
	assert.Contains(t, buf.String(), "Saving: [")
	assert.Contains(t, buf.String(), "100%")
}
