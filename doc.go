/*
blingnfetokenserver v1.0.0

Summary:

BlingNFeTokenServer is an http server that brokers OAuth2 tokens for the
Bling ERP api and proxies the calls a browser client needs to issue
NFe (Nota Fiscal eletronica) invoices. The client secret stays on the
server: the browser only ever sees the code returned by the Bling
callback and the token json handed back by the /token and /refresh
routes. The server itself holds no tokens.

Routes:

	GET  /                       server status
	GET  /health                 health check
	GET  /debug                  configuration presence (not in production)
	GET  /metrics                prometheus metrics
	GET  /api/bling/authorize    redirect to the Bling consent page
	GET  /api/bling/callback     Bling redirect target, forwards to the frontend
	POST /api/bling/token        exchange an authorization code
	POST /api/bling/refresh      refresh tokens
	POST /api/bling/test-nfe     list invoices
	POST /api/bling/create-nfe   create an invoice from form data
	POST /api/bling/proxy        forward a call to any Bling endpoint

Configuration is by flag or environment variable, and a .env file in
the working directory is read first. See the -h output.

The cmd/blingnfe programme is a command line client for the server.

This software is provided under an MIT licence, with no warranty.
*/

package main
