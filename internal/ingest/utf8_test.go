package ingest

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeUTF8(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		changed bool
	}{
		{"empty", "", "", false},
		{"ascii", "hpx_main", "hpx_main", false},
		{"multibyte", "größe/測定", "größe/測定", false},
		{"single invalid byte", "run\x80task", "run�task", true},
		{"invalid at both ends", "\xffmain\xfe", "�main�", true},
		{"truncated sequence", "a\xe4\xb8", "a��", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := sanitizeUTF8(tt.input)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.changed, changed)
		})
	}
}

func TestParseEventCSV_RepairsInvalidUTF8(t *testing.T) {
	in := "Location,Primitive,Timestamp,Event,Extra\n" +
		"0,task\x80,1,ENTER,ok\n" +
		"0,task\x80,5,LEAVE,bad\xff\n"

	sink := newMemSink()
	stats, err := ParseEventCSV(context.Background(), strings.NewReader(in), sink, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Intervals)
	assert.Equal(t, 3, stats.InvalidUTF8)
	rec := sink.byPrimitive("task�")
	require.NotEmpty(t, rec.ID)
	assert.Equal(t, "bad�", rec.Leave.Fields["Extra"])
}
