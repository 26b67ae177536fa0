// Package staging sweeps per-job work directories left under paths.temp_dir
// by runs that crashed or were killed before cleanup.
package staging
