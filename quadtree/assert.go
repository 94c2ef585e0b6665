//go:build !quadtreedebug

package quadtree

const debugAsserts = false
