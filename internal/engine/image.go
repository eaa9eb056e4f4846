package engine

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"github.com/GriffinCanCode/enclave/internal/shared/utils"
)

//go:embed runtime.js
var embeddedRuntime []byte

// ErrInvalidImage is returned when an image cannot be used.
var ErrInvalidImage = errors.New("invalid image")

// Image is an executable guest runtime plus optional pre-warm state.
// Both are opaque here; Source is JavaScript evaluated into every new
// instance and Prewarm is an encoded snapshot restored after it.
type Image struct {
	Name    string
	Source  []byte
	Prewarm []byte

	hash string
}

// NewImage creates an image from raw bytes.
func NewImage(name string, source, prewarm []byte) (*Image, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("%w: %s has no source", ErrInvalidImage, name)
	}
	img := &Image{Name: name, Source: source, Prewarm: prewarm}
	img.hash = contentHash(source, prewarm)
	return img, nil
}

// EmbeddedImage returns the runtime image compiled into the binary.
func EmbeddedImage() *Image {
	img, _ := NewImage("runtime.js", embeddedRuntime, nil)
	return img
}

// LoadImage reads an image from disk. prewarmPath may be empty.
func LoadImage(sourcePath, prewarmPath string) (*Image, error) {
	source, err := os.ReadFile(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	var prewarm []byte
	if prewarmPath != "" {
		if prewarm, err = os.ReadFile(prewarmPath); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
		}
	}
	return NewImage(sourcePath, source, prewarm)
}

// Hash returns the BLAKE3 content hash of the image in hex.
func (img *Image) Hash() string {
	if img.hash != "" {
		return img.hash
	}
	return contentHash(img.Source, img.Prewarm)
}

func contentHash(source, prewarm []byte) string {
	return utils.DefaultHasher().HashParts(source, prewarm)
}
