// Package types provides the core records used across colloquy.
// This package has ZERO dependencies on other colloquy packages to avoid
// circular imports. All other packages should import types from here.
package types
