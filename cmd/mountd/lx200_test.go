package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDegToHMS(t *testing.T) {
	assert.Equal(t, "00:00:00", degToHMS(0))
	assert.Equal(t, "06:00:00", degToHMS(90))
	assert.Equal(t, "12:30:00", degToHMS(187.5))
}

func TestDegToDMS(t *testing.T) {
	assert.Equal(t, "+45*30'00", degToDMS(45.5))
	assert.Equal(t, "-10*15'00", degToDMS(-10.25))
}

func TestParseHMS(t *testing.T) {
	deg, ok := parseHMS("06:00:00")
	require.True(t, ok)
	assert.InDelta(t, 90, deg, 1e-9)

	_, ok = parseHMS("garbage")
	assert.False(t, ok)
}

func TestParseDMS(t *testing.T) {
	deg, ok := parseDMS("+45*30'00")
	require.True(t, ok)
	assert.InDelta(t, 45.5, deg, 1e-9)

	deg, ok = parseDMS("-10*15'00")
	require.True(t, ok)
	assert.InDelta(t, -10.25, deg, 1e-9)

	_, ok = parseDMS("12")
	assert.False(t, ok)
}

func TestScanCommands(t *testing.T) {
	adv, token, err := scanCommands([]byte(":GR#:GD#"), false)
	require.NoError(t, err)
	assert.Equal(t, 4, adv)
	assert.Equal(t, ":GR", string(token))
}
