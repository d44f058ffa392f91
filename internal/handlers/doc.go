// Package handlers holds the built-in Task handlers: upload ingest,
// document conversion, model analysis and structured extraction.
//
// Work files live under <work_dir>/<job external_ref>/. The model and the
// non-text converters are external collaborators behind small interfaces.
package handlers
