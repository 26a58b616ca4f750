// Package framework runs named, nestable checks outside of "go test" and collects their
// results.
//
// A Context plays the part of *testing.T: it satisfies the testify TestingT interfaces, so
// assert and require can be used with it, and it can start named subtests with Run. Each test
// has its own debug log, which a TestLogger may print when the test finishes. Tests can be
// selected with a Filter, usually built from RegexFilters on the command line.
package framework
