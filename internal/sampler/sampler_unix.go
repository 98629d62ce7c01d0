//go:build !windows

package sampler

const rootPath = "/"
