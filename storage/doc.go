// Package storage provides the document store backends holding
// EnrollmentRecords, created from location URIs by a factory.
//
// Supported schemes:
//   - memory:// - In-process store for tests and development
//   - file://   - Local filesystem, one JSON document per record
//   - s3://     - Amazon S3 or compatible object storage
//
// All backends implement the interfaces.EnrollmentStore conditional-update
// contract: a mutation only applies when the record's current status matches
// the caller's expectation, and concurrent updates to the same record
// serialize inside the store.
package storage
