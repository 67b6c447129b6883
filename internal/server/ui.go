package server

import (
	"net/http"
)

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleAppJS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	_, _ = w.Write([]byte(appJS))
}

const indexHTML = `<!doctype html>
<html>
<head>
  <meta charset="utf-8"/>
  <meta name="viewport" content="width=device-width,initial-scale=1"/>
  <title>Speech Emotion Recognition</title>
  <style>
    body { font-family: ui-sans-serif, system-ui, -apple-system, Segoe UI, Roboto, Arial; margin: 0; background:#f6f7fb; color:#1d1d1f; }
    main { max-width: 720px; margin: 0 auto; padding: 24px 18px; }
    .card { background:#fff; border-radius: 16px; padding: 18px; box-shadow: 0 2px 16px rgba(0,0,0,0.06); margin-bottom: 16px; }
    .row { display:flex; gap:12px; flex-wrap:wrap; align-items:center; }
    button { padding: 10px 14px; border-radius: 10px; border: 1px solid #111; background:#111; color:#fff; cursor:pointer; }
    button:disabled { opacity: .45; cursor: not-allowed; }
    button.recording { background:#d64545; border-color:#d64545; }
    .muted { color:#666; font-size: 13px; }
    .pulse { display:none; align-items:center; gap:6px; color:#d64545; font-size: 13px; }
    .pulse::before { content:""; width:10px; height:10px; border-radius:50%; background:#d64545; animation: blink 1s infinite; }
    @keyframes blink { 50% { opacity: .2; } }
    #loading { display:none; }
    #result { display:none; }
    .emoji { font-size: 56px; }
    .name { font-size: 22px; font-weight: 700; text-transform: capitalize; }
    .barWrap { height: 10px; background:#e9e9e9; border-radius: 999px; overflow:hidden; flex: 1; }
    .fill { height: 10px; width: 0%; background:#4f46e5; transition: width .6s ease; }
    .bd { display:grid; grid-template-columns: 80px 1fr 44px; gap: 8px; align-items:center; margin-top: 8px; text-transform: capitalize; }
  </style>
</head>
<body>
<main>
  <h2>Speech Emotion Recognition</h2>
  <p class="muted">Upload a short clip or record your voice, then press Analyze. Results are simulated.</p>

  <div class="card">
    <div class="row">
      <input type="file" id="audioFile" accept="audio/*"/>
      <span id="fileName" class="muted"></span>
    </div>
    <div class="row" style="margin-top:12px">
      <button id="recordBtn"><span id="recordText">Start Recording</span></button>
      <span id="recordingIndicator" class="pulse">Recording… <span id="elapsed">0s</span></span>
    </div>
    <div class="row" style="margin-top:12px">
      <button id="analyzeBtn" disabled>Analyze Emotion</button>
      <span id="loading" class="muted">Analyzing…</span>
    </div>
    <div id="notice" class="muted" style="margin-top:8px"></div>
  </div>

  <div class="card" id="result">
    <div class="row">
      <div class="emoji" id="emotionEmoji"></div>
      <div>
        <div class="name" id="emotionName"></div>
        <div class="muted">Confidence <span id="confidenceScore"></span></div>
      </div>
    </div>
    <div class="row" style="margin-top:10px"><div class="barWrap"><div class="fill" id="confidenceFill"></div></div></div>
    <div id="breakdown" style="margin-top:14px"></div>
    <audio id="voice"></audio>
  </div>
</main>
<script src="/app.js"></script>
</body>
</html>
`

const appJS = `(() => {
  const $ = (id) => document.getElementById(id);
  const categories = ['happy', 'sad', 'angry', 'neutral'];
  let sessionId = null;
  let recorder = null;
  let socket = null;
  let recording = false;
  let tick = null;

  function notice(msg) { $('notice').textContent = msg || ''; }

  async function api(path, opts) {
    const res = await fetch('/api/sessions/' + sessionId + path, opts);
    const body = await res.json().catch(() => ({}));
    if (!res.ok) throw new Error(body.error || res.statusText);
    return body;
  }

  function postJSON(path, v) {
    return api(path, { method: 'POST', headers: { 'Content-Type': 'application/json' }, body: JSON.stringify(v) });
  }

  function setRecordingUI(on) {
    recording = on;
    $('recordBtn').classList.toggle('recording', on);
    $('recordText').textContent = on ? 'Stop Recording' : 'Start Recording';
    $('recordingIndicator').style.display = on ? 'flex' : 'none';
    clearInterval(tick);
    if (on) {
      const t0 = Date.now();
      tick = setInterval(() => { $('elapsed').textContent = Math.round((Date.now() - t0) / 1000) + 's'; }, 500);
    }
  }

  function disableRecording(reason) {
    $('recordBtn').disabled = true;
    $('recordText').textContent = 'Microphone Not Available';
    if (reason) notice(reason);
  }

  function releaseMic() {
    if (recorder) {
      if (recorder.state !== 'inactive') recorder.stop();
      recorder.stream.getTracks().forEach((t) => t.stop());
    }
    recorder = null;
  }

  async function probeMicrophone() {
    try {
      const stream = await navigator.mediaDevices.getUserMedia({ audio: true });
      stream.getTracks().forEach((t) => t.stop());
    } catch (err) {
      disableRecording('Microphone permission denied or not available');
      postJSON('/device', { available: false, reason: String(err && err.name || err) }).catch(() => {});
    }
  }

  async function startRecording() {
    let stream;
    try {
      stream = await navigator.mediaDevices.getUserMedia({ audio: true });
    } catch (err) {
      alert('Unable to access microphone. Please check permissions.');
      postJSON('/device', { available: false, reason: String(err && err.name || err) }).catch(() => {});
      return;
    }
    const proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
    socket = new WebSocket(proto + location.host + '/ws/capture?session=' + sessionId);
    socket.binaryType = 'arraybuffer';
    socket.onopen = () => {
      recorder = new MediaRecorder(stream);
      recorder.ondataavailable = async (e) => {
        if (e.data && e.data.size > 0 && socket && socket.readyState === WebSocket.OPEN) {
          socket.send(await e.data.arrayBuffer());
        }
      };
      recorder.onstop = () => {
        if (socket && socket.readyState === WebSocket.OPEN) socket.send('end');
      };
      recorder.start(250);
    };
    // the server closes the socket on timeout, hide or stop
    socket.onclose = () => {
      releaseMic();
      socket = null;
      setRecordingUI(false);
    };
  }

  function stopRecording() {
    if (recorder && recorder.state !== 'inactive') {
      recorder.stop();
    } else if (socket) {
      socket.close();
    }
  }

  async function toggleRecording() {
    if (!recording) {
      await startRecording();
    } else {
      stopRecording();
    }
  }

  async function uploadFile(e) {
    const file = e.target.files[0];
    if (!file) return;
    const form = new FormData();
    form.append('file', file);
    try {
      const res = await fetch('/api/sessions/' + sessionId + '/upload', { method: 'POST', body: form });
      const body = await res.json().catch(() => ({}));
      if (!res.ok) throw new Error(body.error || res.statusText);
      $('fileName').textContent = 'Selected: ' + file.name;
      notice('');
    } catch (err) {
      $('audioFile').value = '';
      notice(err.message);
    }
  }

  async function analyze() {
    $('analyzeBtn').disabled = true;
    $('loading').style.display = 'inline';
    $('result').style.display = 'none';
    try {
      const body = await api('/analyze', { method: 'POST' });
      render(body.result, body.display_confidence);
    } catch (err) {
      alert(err.message || 'Please upload an audio file or record your voice first.');
    } finally {
      $('loading').style.display = 'none';
      $('analyzeBtn').disabled = false;
    }
  }

  function render(result, confidence) {
    $('emotionEmoji').textContent = result.glyph;
    $('emotionName').textContent = result.label;
    $('confidenceScore').textContent = confidence + '%';
    $('confidenceFill').style.width = '0%';
    setTimeout(() => { $('confidenceFill').style.width = result.confidence + '%'; }, 100);

    const box = $('breakdown');
    box.innerHTML = '';
    categories.forEach((c) => {
      const v = result.breakdown[c] || 0;
      const row = document.createElement('div');
      row.className = 'bd';
      row.innerHTML = '<span>' + c + '</span><div class="barWrap"><div class="fill"></div></div><span>' + v + '%</span>';
      box.appendChild(row);
      setTimeout(() => { row.querySelector('.fill').style.width = v + '%'; }, 200);
    });
    $('result').style.display = 'block';
    $('result').scrollIntoView({ behavior: 'smooth', block: 'center' });
  }

  function playClips(urls) {
    const voice = $('voice');
    let i = 0;
    const next = () => {
      if (i >= urls.length) { voice.onended = null; return; }
      voice.src = urls[i++];
      voice.play().catch(() => { voice.onended = null; });
    };
    voice.onended = next;
    next();
  }

  function onEvent(ev) {
    switch (ev.type) {
      case 'recording_started':
        setRecordingUI(true);
        break;
      case 'recording_stopped':
        setRecordingUI(false);
        break;
      case 'artifact':
        $('analyzeBtn').disabled = false;
        if (ev.reason === 'recording') {
          $('audioFile').value = '';
          $('fileName').textContent = 'Recorded clip ready (' + ev.artifact.bytes + ' bytes)';
        }
        break;
      case 'device':
        if (ev.available === false) disableRecording(ev.message);
        break;
      case 'announcement':
        playClips(ev.audio_urls || []);
        break;
      case 'error':
        notice(ev.message);
        break;
    }
  }

  async function init() {
    const res = await fetch('/api/sessions', { method: 'POST' });
    sessionId = (await res.json()).id;

    const es = new EventSource('/events?session=' + sessionId);
    es.onmessage = (m) => { try { onEvent(JSON.parse(m.data)); } catch (_) {} };

    $('audioFile').addEventListener('change', uploadFile);
    $('recordBtn').addEventListener('click', toggleRecording);
    $('analyzeBtn').addEventListener('click', analyze);

    document.addEventListener('visibilitychange', () => {
      postJSON('/visibility', { hidden: document.hidden }).catch(() => {});
    });
    window.addEventListener('pagehide', () => {
      fetch('/api/sessions/' + sessionId, { method: 'DELETE', keepalive: true });
    });
    document.addEventListener('keydown', (e) => {
      if (e.code === 'Space' && !e.target.matches('input, textarea')) {
        e.preventDefault();
        if (!$('recordBtn').disabled) toggleRecording();
      }
      if (e.code === 'Enter' && !$('analyzeBtn').disabled) analyze();
    });

    probeMicrophone();
  }

  document.addEventListener('DOMContentLoaded', init);
})();
`
