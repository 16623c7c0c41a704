/*
Package metrics provides Prometheus metrics and component health tracking for
dropboxd.

All collectors are package-level variables registered with the default
registry in init, and exposed through Handler at /metrics.

# Metric Categories

Registration:
  - dropboxd_registrations_total{outcome}
  - dropboxd_registration_duration_seconds{outcome}
  - dropboxd_process_retries_total
  - dropboxd_hook_failures_total{hook}

Rollback:
  - dropboxd_rollbacks_total{error_type}
  - dropboxd_rollback_entries_total{result}: undone or failed

Recovery:
  - dropboxd_recovery_attempts_total{result}
  - dropboxd_recovery_pass_duration_seconds
  - dropboxd_recovery_markers{state}: active or error, sampled by Collector

Entity store:
  - dropboxd_remote_calls_total{method,status}
  - dropboxd_remote_call_duration_seconds{method}

# Timing

	timer := metrics.NewTimer()
	outcome := runRegistration()
	timer.ObserveDurationVec(metrics.RegistrationDuration, string(outcome))

# Component Health

Long-running loops report their state with UpdateComponent. GetHealth
reports every component; GetReadiness only the critical ones (scanner and
recovery by default).
*/
package metrics
