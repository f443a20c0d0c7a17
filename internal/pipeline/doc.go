// Package pipeline defines the format-agnostic model of a pipeline
// definition (stages, seeds, combinators, run settings) and the HCL loader
// that populates it from user configuration files.
package pipeline
