// Package normalize turns one columnar page into validated precatório
// records.
//
// Values are looked up by column name, so pages whose columns arrive in a
// different order normalize identically. Every field parser yields either a
// value or a reason; a row with any invalid field is excluded and reported
// as a RowFailure. Normalization never fails a page.
package normalize
