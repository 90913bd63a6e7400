package rpc

// serverInstructions is the MCP server's self-description, surfaced to
// clients during initialize.
const serverInstructions = `VoiceCI runs automated test suites against live voice agents. Typical flow:
configure_adapter (store how to reach your agent), run_suite (queue audio
probes and judged conversation scenarios), then get_status or watch the push
stream for per-test results. Call get_quickstart for a walkthrough,
get_adapter_reference for transport fields, and get_test_reference for the
test catalogue and threshold keys.`

const docQuickstart = `# VoiceCI quickstart

Every request needs a bearer token: Authorization: Bearer <token>. The token
scopes you to a tenant; runs queue per tenant and never interleave.

## 1. Tell VoiceCI how to reach your agent

Call configure_adapter with the transport fields for your agent. The config
lives for this session only and is referenced by the returned id:

    configure_adapter {"adapter": "ws-voice", "agent_url": "wss://agent.example.com/voice"}
    -> {"adapter_config_id": "6f1c…"}

See get_adapter_reference for the seven supported transports.

## 2. (Bundle runs only) upload your agent

If your agent is not yet reachable over a transport, upload it and VoiceCI
boots it on an ephemeral machine:

    prepare_upload {"project_root": "."}
    -> {"bundle_key": "bundles/…/….tar.gz", "upload_command": "cd '.' && tar …"}

Run the upload_command in your project; it prints bundle_hash and
lockfile_hash. Pass all three to run_suite. Bundle runs use the ws-voice
adapter inside the machine, so no adapter config is needed.

## 3. Run a suite

    run_suite {
      "adapter_config_id": "6f1c…",
      "audio_tests": ["echo", "ttfb", "barge_in"],
      "conversation_tests": [{
        "caller_prompt": "You want to book a haircut for Friday afternoon.",
        "max_turns": 8,
        "eval_questions": ["Did the agent offer a concrete time slot?"]
      }],
      "idempotency_key": "b3e1…"
    }
    -> {"run_id": "9d2a…"}

run_suite returns as soon as the run is queued. Supplying the same
idempotency_key again returns the original run instead of creating a new
one. If you pass a progress token, progress notifications track test
completion; each finished test is also pushed on the "voiceci.results"
logging stream.

## 4. Collect results

    get_status {"run_id": "9d2a…"}
    -> {"run_id": "9d2a…", "status": "running"}          while in flight
    -> {"status": "pass", "aggregate": "4/4 passed", …}  once terminal

Terminal responses carry every audio and conversation result, timings, and
error text. Results stay fetchable after your session ends.

## Load testing

load_test drives many concurrent conversations against the agent without
judging them, paced by calls_per_minute. It starts immediately (not queued)
and reports per-wave summaries on the push stream.`

const docAdapterReference = `# Adapter reference

An adapter config describes how VoiceCI dials one voice agent. Store one per
session with configure_adapter, or inline it on run_suite as
"adapter_config". All transports converge on the same audio contract
(24 kHz mono PCM both directions) and the same tool-call side channel.

## ws-voice
Plain WebSocket voice endpoint you host.
  agent_url   (required)  wss:// endpoint speaking binary PCM frames.
Tool calls: JSON text frames {"type": "tool_call", "name": …, "arguments": …}.

## sip
Outbound telephone call through the carrier.
  target_number (required unless inbound)  E.164 number to dial.
  from_number   (optional)  rented caller id.
  inbound       (optional)  wait for the agent to dial us instead.
Tool calls: POST /tool-calls on the run's temporary HTTPS listener; one
event or an array, at most 1 MiB per request.

## webrtc
LiveKit room join.
  livekit_url (required)  LiveKit server URL.
  room_name   (required)  room the agent sits in.
Tool calls: "lk.tool_call" data messages in the room.

## vapi
Hosted Vapi assistant; audio in-band over the platform WebSocket.
  agent_id    (required)  Vapi assistant id.
  api_key_ref (optional)  server-side credential reference.
  voice_id    (optional)  platform voice override.

## retell
Hosted Retell agent; audio rides a phone call (SIP path), tool calls are
fetched from the Retell API after the call.
  agent_id      (required)
  target_number (required)
  api_key_ref, from_number, voice_id (optional)

## elevenlabs
Hosted ElevenLabs conversational agent; audio in-band over the platform
WebSocket.
  agent_id    (required)
  api_key_ref, voice_id (optional)

## bland
Hosted Bland agent; audio rides a phone call (SIP path), tool calls are
fetched from the Bland API after the call.
  agent_id      (required)
  target_number (required)
  api_key_ref, from_number (optional)

Platform adapters (sip, webrtc, vapi, retell, elevenlabs, bland) need their
credentials configured on the server; run_suite fails with a config_missing
error when they are absent.`

const docTestReference = `# Test reference

A run's test_spec lists audio tests by name plus conversation scenarios.
Pass criteria are overridable per test through "thresholds":

    "thresholds": {"ttfb": {"p95_threshold_ms": 1500}}

Every audio test also honors turn_timeout_ms (default 10000), the longest
the probe waits for the agent to finish a reply.

## Audio tests

echo — sends a greeting and checks the agent answers without looping our
own audio back or talking over an idle line.
  loop_threshold    (default 2)     max unprompted speech segments.
  listen_window_ms  (default 6000)  idle-line observation window.
  echo_similarity metric reports transcript similarity to the greeting.

ttfb — measures time to first audio byte over several prompts.
  p95_threshold_ms  (default 3000)  p95 must come in under this.

barge_in — interrupts the agent mid-reply and measures how fast it yields.
  delay_ms        (default 1000)  how far into the reply we barge.
  max_latency_ms  (default 2000)  agent must stop within this.

silence_handling — plays dead air and checks the agent re-prompts or
survives without hanging up.
  silence_ms  (default 8000)  length of the dead-air stretch.

connection_stability — holds the channel open across several exchanges and
fails on drops or refusals.

response_completeness — asks an open question and checks the reply is not
truncated.
  min_word_count  (default 5)  minimum transcribed words.

noise_resilience — repeats a prompt under decreasing SNR (babble noise) and
reports the lowest SNR the agent still understands.
  min_pass_snr_db  (default 10)  must understand at or below this.

endpointing — speaks with a mid-utterance pause and checks the agent waits
for the real end of turn instead of answering into the pause.
  pause_ms        (default 1200)  scripted pause length.
  min_pass_ratio  (default 0.67)  fraction of trials that must pass.

audio_quality — analyses a captured reply for clipping and level stability.
  max_clipping_ratio      (default 0.01)
  min_energy_consistency  (default 0.4)
  min_duration_ms         (default 3000)

## Conversation scenarios

Each scenario drives a live dialog: an LLM caller plays "caller_prompt"
against your agent, turn detection runs on an adaptive end-of-turn
threshold, and a judge LLM scores the transcript afterwards.

  caller_prompt                (required)  persona and goal for the caller.
  max_turns                    (required)  1..50 dialog bound.
  initial_silence_threshold_ms (optional)  seeds end-of-turn detection.
  eval_questions               (optional)  yes/no behavioral checks.
  tool_call_eval_questions     (optional)  yes/no checks on observed tool calls.

A scenario passes when the dialog completes and every relevant eval passes.
Three built-in review bundles (conversational quality, sentiment, safety)
run on every judged scenario.`
