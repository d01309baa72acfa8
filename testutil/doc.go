/*
Package testutil provides test fixtures shared across the aura packages.

It covers the recurring needs of protocol tests: dealt FROST cohorts
with one-call signing ceremonies, witness sets with message keys,
genesis authentication trees, and well-formed fact envelopes, all
customizable through option functions:

	set, group, keys := testutil.NewWitnessSet(t, 2, 3)
	tr := testutil.NewGenesisTree(t, group, tree.Policy{Threshold: 2, Cohort: 3})
	fact := testutil.NewConsensusFact(t, testutil.WithAuthor(author, 1))

This package is intended for testing purposes only and should not be
used in production code.
*/
package testutil
