package benchmarks

import (
	"testing"

	"github.com/randalmurphal/fleetup/pkg/fleetup/version"
)

// BenchmarkParse measures parsing a version with a pre-release tag.
func BenchmarkParse(b *testing.B) {
	for i := 0; i < b.N; i++ {
		if _, err := version.Parse("v2.9.0-rc.1"); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkExtract measures pulling a version out of --version output.
func BenchmarkExtract(b *testing.B) {
	out := "node_exporter, version 1.8.2 (branch: HEAD, revision: f1e0e8360aa60b6cb5e5cc1560bed348fc2c1895)\n" +
		"  build user:       root@03d440803209\n" +
		"  go version:       go1.22.5\n"
	for i := 0; i < b.N; i++ {
		if _, err := version.Extract(out); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkCompare measures ordering two parsed versions.
func BenchmarkCompare(b *testing.B) {
	a := version.MustParse("2.53.1")
	c := version.MustParse("2.53.1-rc.0")
	for i := 0; i < b.N; i++ {
		_ = version.Compare(a, c)
	}
}
