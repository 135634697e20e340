/*
Package build turns uploaded source archives into loadable artifacts.

FsBuildSystem keeps one directory per project under the configured
build root. Each build overwrites source/ with the new archive, runs
the Go toolchain, and installs the executable into target/ with an
atomic rename, so a deployment running the previous artifact is never
disturbed by a build (successful or failed) happening next to it.

Compiler output is streamed line by line into a LogSink; the deployer
appends those lines to the deployment record's build logs. Builds carry
no hard timeout (build duration is user code) but honor context
cancellation, which kills the compiler process.

An archive may carry a berth.yaml manifest declaring the tenant's
resource needs (database engine, secret keys) and the package to build.
*/
package build
