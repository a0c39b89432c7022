// Package javalang provides small helpers for working with Java source text.
package javalang

import (
	"regexp"
	"strings"
)

var (
	publicClassRe = regexp.MustCompile(`public\s+(?:final\s+|abstract\s+)?class\s+([\w]+)`)
	anyClassRe    = regexp.MustCompile(`class\s+([\w]+)`)
)

// ExtractClassName returns the name of the first class declared in the given
// Java source. Public classes win over package-private ones. Returns
// "UnknownClass" when no class declaration is found.
func ExtractClassName(javaCode string) string {
	if m := publicClassRe.FindStringSubmatch(javaCode); m != nil {
		return m[1]
	}
	if m := anyClassRe.FindStringSubmatch(javaCode); m != nil {
		return m[1]
	}
	return "UnknownClass"
}

// TestFilePath maps a main-source file path to its test counterpart:
// src/main/java becomes src/test/java and Foo.java becomes FooTest.java.
func TestFilePath(srcPath string) string {
	p := strings.Replace(srcPath, "src/main/java", "src/test/java", 1)
	if strings.HasSuffix(p, ".java") {
		p = strings.TrimSuffix(p, ".java") + "Test.java"
	}
	return p
}
