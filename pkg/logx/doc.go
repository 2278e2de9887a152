// Package logx is a thin structured-logging layer over zerolog.
//
// It exists so the rest of the codebase can log through a stable, small API
// (Logger + Field helpers) while sink wiring (console, file) stays swappable
// at runtime via Service.Apply.
package logx
