// Package packer implements the Packer adapter: the locked,
// non-overridable texture-packer flag set, merging of operator-supplied
// custom flags against an allowlist, and subprocess invocation of the
// external packer binary. Packer itself is an interface; LocalPacker is
// the concrete os/exec-based implementation, and NoopPacker is a
// supplemented test double.
package packer
