package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{"0", 0, false},
		{"4096", 4096, false},
		{"100B", 100, false},
		{" 1K ", 1024, false},
		{"1KiB", 1024, false},
		{"1KB", 1000, false},
		{"1.5KiB", 1536, false},
		{"1M", 1 << 20, false},
		{"2MB", 2000000, false},
		{"1.5GB", 1500000000, false},
		{"1GiB", 1 << 30, false},
		{"2 TiB", 2 << 40, false},
		{"1mib", 1 << 20, false},

		{"", 0, true},
		{"-5", 0, true},
		{"abc", 0, true},
		{"10XB", 0, true},
		{"1.2.3MB", 0, true},
		{"9999999TB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSize(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRate(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"0", 0},
		{"50MB/s", 50000000},
		{"50MB", 50000000},
		{"10MiBps", 10 << 20},
		{"512K/s", 512 << 10},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseRate(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseRate("fast/s")
	assert.ErrorContains(t, err, "invalid rate")
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1 KiB"},
		{1536, "1.5 KiB"},
		{1 << 20, "1 MiB"},
		{5 * (1 << 30), "5 GiB"},
		{3 << 40, "3 TiB"},
		{1 << 50, "1024 TiB"},
		{1100, "1.07 KiB"},
		{-2048, "-2 KiB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatSize(tt.bytes), "FormatSize(%d)", tt.bytes)
	}
}

func TestFormatRate(t *testing.T) {
	assert.Equal(t, "1 MiB/s", FormatRate(10<<20, 10*time.Second))
	assert.Equal(t, "n/a", FormatRate(100, 0))
}

func TestParseFormatAgree(t *testing.T) {
	for _, s := range []string{"1 KiB", "1.5 MiB", "7 GiB"} {
		n, err := ParseSize(s)
		require.NoError(t, err)
		assert.Equal(t, s, FormatSize(n))
	}
}
