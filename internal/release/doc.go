// Package release defines the candidate release schema shared by discovery,
// selection, and the acquisition queue. External responses are parsed at the
// boundary into this strict schema; fields the source did not report are
// explicit optionals, never zero values masquerading as data.
package release
