package model

import "errors"

var (
	// ErrPlatformInit is returned when the inference backend cannot be set up.
	ErrPlatformInit = errors.New("platform initialization failed")
	// ErrModelLoad is returned when the model bundle is missing, corrupt, or
	// cannot be constructed.
	ErrModelLoad = errors.New("model load failed")
	// ErrInference is returned when a forward pass cannot produce a result.
	ErrInference = errors.New("inference failed")
)
