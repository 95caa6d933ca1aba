// Package selection ranks discovered release candidates with a strict,
// deterministic preference ladder. Equal inputs always produce the same
// choice regardless of arrival order.
package selection
