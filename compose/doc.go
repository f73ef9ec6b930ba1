// Package compose builds experiment configurations from a directory of YAML
// files, a defaults list, command-line style overrides and ${...} interpolation.
//
// Composition:
//   - the primary config <dir>/<name>.yaml may carry a `defaults` list whose
//     entries are `_self_`, a sibling config name, or `group: option` pairs that
//     load <dir>/<group>/<option>.yaml under the `group` key;
//   - `_self_` is placed last unless the version base is below 1.1;
//   - overrides are applied in order: `key=value`, `+key=value` (add),
//     `++key=value` (add or replace), `~key` (delete). A `group=option` override
//     swaps a defaults entry.
//
// Resolution replaces `${path.to.key}`, `${.sibling}` and `${resolver:arg,...}`
// expressions. Resolvers and in-code config nodes live in a Registry; the
// package-level Registry is process-global and refuses to register a resolver
// name twice.
package compose
