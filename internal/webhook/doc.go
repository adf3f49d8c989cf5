// Package webhook starts stored workflows from signed HTTP POSTs.
//
// Each endpoint binds a path to one workflow id and a shared secret. The
// sender signs the raw body with HMAC-SHA256 and puts the hex digest in the
// endpoint's signature header, either bare or as "sha256=<hex>". A verified
// body becomes the run's input.
//
//	webhooks:
//	  listen: "127.0.0.1:8081"
//	  endpoints:
//	    - path: /hooks/deploy
//	      workflow: 3f2a...
//	      secret: ${DEPLOY_HOOK_SECRET}
//	      signature_header: X-Hub-Signature-256
//	      max_body_size: 256KB
//
// Responses:
//   - 202 with {"run_id": ...} once the run is dispatched
//   - 200 with status "disabled" when the workflow is disabled
//   - 400 when the body is not JSON
//   - 403 for a missing or wrong signature, with no further detail
//   - 413 when the body exceeds max_body_size
//   - 500 when the run could not be started
package webhook
