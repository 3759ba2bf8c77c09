// Package prompts holds the directive text chatrelay sends to the model
// as the system message of every transcript.
//
// The built-in directive is Go code so it is always available; operators
// override it with the directive or directive_file config settings.
package prompts
