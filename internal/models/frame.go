package models

import "time"

// Frame is a decoded camera frame.
//
// Pix holds RGBA pixels, 4 bytes per pixel, row-major, Width*Height*4
// bytes long. Encoded keeps the payload exactly as the worker sent it.
// A Frame is shared by reference once published and must not be modified.
type Frame struct {
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Pix        []byte    `json:"-"`
	Encoded    []byte    `json:"-"`
	Format     string    `json:"format"`
	Seq        uint64    `json:"seq"`
	ReceivedAt time.Time `json:"received_at"`
}

// PlaceholderFrame returns a zero-filled frame shown before the first
// camera frame arrives.
func PlaceholderFrame(width, height int) *Frame {
	return &Frame{
		Width:  width,
		Height: height,
		Pix:    make([]byte, width*height*4),
	}
}
