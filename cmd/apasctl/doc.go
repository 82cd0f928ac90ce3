// Package main (cmd/apasctl) is the operator tool for an academic records
// deployment.
//
// Local commands work on the key files and the database directly:
//
//	apasctl keys init
//	apasctl users add --new-username admin --new-password ... --role admin
//	apasctl users add --username admin --password ... --new-username i1 --new-password ... --role instructor
//
// The first admin can only be created while no admin exists. Remote
// commands log in to a running server and print JSON:
//
//	apasctl remote settings --username admin --password ...
//	apasctl remote set risk_threshold 0.7 --username admin --password ...
//	apasctl remote export --out report.csv --username admin --password ...
//	apasctl remote drain --username admin --password ...
package main
