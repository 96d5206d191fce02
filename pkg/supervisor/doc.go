// Package supervisor drives the in-container process supervisor that hosts
// per-bot programs inside a pool container.
//
// Commands travel over the runtime driver's exec channel (supervisorctl);
// program and bootstrap config files are rendered here and written by the
// pool manager into the pool's supervisor directory, which the container
// mounts at /etc/supervisor.
package supervisor
