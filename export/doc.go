// Package export renders anonymised CSV reports of all performance records.
//
// Subjects are never decrypted for a report: each row carries an alias
// built from the first characters of the subject digest, so the same
// student maps to the same alias across reports produced under one digest key.
package export
