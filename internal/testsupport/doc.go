// Package testsupport holds fixtures shared by package tests: isolated
// configs, job stores, and deterministic input files.
package testsupport
