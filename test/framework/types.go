package framework

// TestingT is the subset of testing.T the fleet helpers need
type TestingT interface {
	Logf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	Helper()
	Cleanup(func())
	TempDir() string
}
