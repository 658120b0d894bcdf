// Package supervisor owns the live script executions of a native host: one
// isolated runner process per execution, its lifecycle, and the fan-out of
// HTTP-shaped requests to runners that opened an in-script route.
package supervisor
