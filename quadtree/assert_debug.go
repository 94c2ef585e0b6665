//go:build quadtreedebug

package quadtree

// Every mutation validates the whole tree. Meant for tests only.
const debugAsserts = true
