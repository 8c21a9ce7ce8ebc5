package executor

import "fmt"

// driverTemplate is the generated Python driver. It receives the result
// marker via the RESULT_MARKER environment variable and the test file
// path via argv, so neither appears in the source on disk. The marker is
// popped out of the environment before learner code is imported, so a
// solution reading os.environ cannot recover it and forge an envelope.
// The driver:
//
//  1. duplicates the real stdout fd, then redirects fd 1 (and therefore
//     sys.stdout) into a scratch buffer so learner prints, including
//     low-level os.write(1, ...), can never reach the result stream;
//  2. applies rlimits before importing learner code;
//  3. runs each test, capturing per-test stdout and monotonic runtime;
//  4. writes a single JSON object framed by two copies of the marker to
//     the saved real stdout.
//
// RLIMIT_AS is best-effort: macOS ignores it, so a failure there only
// flags limits_degraded in the payload.
const driverTemplate = `import io
import json
import os
import resource
import sys
import tempfile
import time
import traceback


def _limit():
    degraded = False
    cpu = %d
    mem = %d * 1024 * 1024
    resource.setrlimit(resource.RLIMIT_CPU, (cpu, cpu))
    resource.setrlimit(resource.RLIMIT_CORE, (0, 0))
    try:
        resource.setrlimit(resource.RLIMIT_AS, (mem, mem))
    except (ValueError, OSError):
        degraded = True
    try:
        resource.setrlimit(resource.RLIMIT_NOFILE, (64, 64))
    except (ValueError, OSError):
        pass
    return degraded


def _jsonable(value):
    try:
        return json.loads(json.dumps(value))
    except (TypeError, ValueError):
        return repr(value)


def _last_frame(exc):
    lines = traceback.format_exception_only(type(exc), exc)
    return lines[-1].strip() if lines else repr(exc)


def main():
    marker = os.environ.pop("RESULT_MARKER", "")
    with open(sys.argv[1]) as f:
        tests = json.load(f)

    real_stdout = os.dup(1)
    capture = tempfile.TemporaryFile(mode="w+b")
    os.dup2(capture.fileno(), 1)
    sys.stdout = io.TextIOWrapper(os.fdopen(1, "wb", closefd=False), line_buffering=True)

    degraded = _limit()

    sys.path.insert(0, os.path.dirname(os.path.abspath(__file__)))

    results = []
    passed = 0
    failed = 0
    fn = None
    import_error = None
    try:
        import solution
        fn = getattr(solution, %q, None)
        if fn is None:
            import_error = "function %s is not defined"
    except BaseException as exc:
        import_error = _last_frame(exc)

    def read_capture(since):
        sys.stdout.flush()
        capture.seek(since)
        return capture.read().decode("utf-8", "replace")

    for num, test in enumerate(tests, start=1):
        mark = capture.tell() if not capture.closed else 0
        entry = {
            "test_num": num,
            "input": test["input"],
            "expected": test["expected"],
            "actual": None,
            "passed": False,
            "runtime_ms": 0,
            "stdout": "",
        }
        if import_error is not None:
            entry["error"] = import_error
            failed += 1
            results.append(entry)
            continue
        start = time.monotonic()
        try:
            actual = fn(*test["input"])
            entry["runtime_ms"] = int((time.monotonic() - start) * 1000)
            entry["actual"] = _jsonable(actual)
            entry["passed"] = entry["actual"] == test["expected"]
        except BaseException as exc:
            entry["runtime_ms"] = int((time.monotonic() - start) * 1000)
            entry["error"] = _last_frame(exc)
        entry["stdout"] = read_capture(mark)[:4096]
        if entry["passed"]:
            passed += 1
        else:
            failed += 1
        results.append(entry)

    payload = json.dumps({
        "passed": passed,
        "failed": failed,
        "results": results,
        "limits_degraded": degraded,
    })
    os.write(real_stdout, (marker + payload + marker).encode())


if __name__ == "__main__":
    main()
`

// renderDriver fills the driver template with the resource caps and the
// problem's entry point.
func renderDriver(cpuSeconds, memoryMB int, entryPoint string) string {
	return fmt.Sprintf(driverTemplate, cpuSeconds, memoryMB, entryPoint, entryPoint)
}
