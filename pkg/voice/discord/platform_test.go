package discord

import (
	"errors"
	"testing"
)

func TestIs4006(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unrelated", errors.New("connection refused"), false},
		{"4006 close code", errors.New("voice connection closed with code 4006"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := is4006(tt.err); got != tt.want {
				t.Errorf("is4006(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsAlreadyConnected(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unrelated", errors.New("connection refused"), false},
		{"already connected", errors.New("already connected to this voice channel"), true},
		{"case insensitive", errors.New("Already Connected"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isAlreadyConnected(tt.err); got != tt.want {
				t.Errorf("isAlreadyConnected(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
