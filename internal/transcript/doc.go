// Package transcript renders saved transcripts for humans. The JSON form is
// served straight from the store; this package produces the HTML export.
package transcript
